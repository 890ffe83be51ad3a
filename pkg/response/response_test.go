package response

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	req := require.New(t)

	var out struct {
		ID string `json:"id"`
	}
	err := Decode(strings.NewReader(`{"success":true,"data":{"id":"c1"}}`), &out)
	req.NoError(err)
	req.Equal("c1", out.ID)
}

func TestDecode_Failure(t *testing.T) {
	req := require.New(t)

	var out struct{}
	err := Decode(strings.NewReader(`{"success":false,"error":{"code":"NOT_FOUND","message":"no such user"}}`), &out)

	var info *ErrorInfo
	req.True(errors.As(err, &info))
	req.Equal("NOT_FOUND", info.Code)
}

func TestDecode_NullData(t *testing.T) {
	req := require.New(t)

	var out struct{}
	err := Decode(strings.NewReader(`{"success":true,"data":null}`), &out)
	req.ErrorIs(err, ErrEmptyData)
}
