// Package idgen produces client-side identities: provisional message ids
// and correlation ids for commands awaiting an acknowledgment.
package idgen

import "fmt"

// Strategy names accepted by New.
const (
	StrategyULID   = "ulid"
	StrategyUUID   = "uuid"
	StrategyKSUID  = "ksuid"
	StrategyNanoID = "nanoid"
	StrategyCUID2  = "cuid2"
)

// Generator defines the interface for ID generation and validation.
type Generator interface {
	Generate() (string, error)
	Validate(id string) (bool, string) // (valid, reason)
}

// New returns the generator for strategy. An empty strategy selects ULID,
// whose ids sort by creation time.
func New(strategy string) (Generator, error) {
	switch strategy {
	case "", StrategyULID:
		return NewULIDGenerator(), nil
	case StrategyUUID:
		return NewUUIDGenerator(), nil
	case StrategyKSUID:
		return NewKSUIDGenerator(), nil
	case StrategyNanoID:
		return NewNanoIDGenerator(DefaultNanoIDSize, DefaultNanoIDAlphabet)
	case StrategyCUID2:
		return NewCUID2Generator(DefaultCUID2Length)
	default:
		return nil, fmt.Errorf("unknown id strategy %q", strategy)
	}
}

// Must is New for static configuration; it panics on an unknown strategy.
func Must(strategy string) Generator {
	g, err := New(strategy)
	if err != nil {
		panic(err)
	}
	return g
}
