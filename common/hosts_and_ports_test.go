package common

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetServerHost(t *testing.T) {
	t.Run("returns default 127.0.0.1 when FLOWCORE_SERVER_HOST unset", func(t *testing.T) {
		os.Unsetenv("FLOWCORE_SERVER_HOST")
		host := GetServerHost()
		assert.Equal(t, "127.0.0.1", host)
	})

	t.Run("returns FLOWCORE_SERVER_HOST when set", func(t *testing.T) {
		t.Setenv("FLOWCORE_SERVER_HOST", "0.0.0.0")
		host := GetServerHost()
		assert.Equal(t, "0.0.0.0", host)
	})

	t.Run("returns custom IP when set", func(t *testing.T) {
		t.Setenv("FLOWCORE_SERVER_HOST", "192.168.1.10")
		host := GetServerHost()
		assert.Equal(t, "192.168.1.10", host)
	})
}

func TestGetServerPort(t *testing.T) {
	t.Run("returns default 8855 when FLOWCORE_SERVER_PORT unset", func(t *testing.T) {
		os.Unsetenv("FLOWCORE_SERVER_PORT")
		port := GetServerPort()
		assert.Equal(t, 8855, port)
	})

	t.Run("returns FLOWCORE_SERVER_PORT when set", func(t *testing.T) {
		t.Setenv("FLOWCORE_SERVER_PORT", "9000")
		port := GetServerPort()
		assert.Equal(t, 9000, port)
	})
}

func TestGetGRPCServerPort(t *testing.T) {
	t.Run("defaults to server port plus one", func(t *testing.T) {
		os.Unsetenv("FLOWCORE_GRPC_SERVER_PORT")
		t.Setenv("FLOWCORE_SERVER_PORT", "9000")
		assert.Equal(t, 9001, GetGRPCServerPort())
	})

	t.Run("returns FLOWCORE_GRPC_SERVER_PORT when set", func(t *testing.T) {
		t.Setenv("FLOWCORE_GRPC_SERVER_PORT", "9100")
		assert.Equal(t, 9100, GetGRPCServerPort())
	})
}
