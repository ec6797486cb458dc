package server

import (
	"github.com/fzft/agent-ipc/ipc"
)

// Echo replies with the request payload.
var Echo = ipc.CallbacksFunc(func(data []byte) ([]byte, error) {
	return data, nil
})

// Ping replies PONG to every request.
var Ping = ipc.CallbacksFunc(func([]byte) ([]byte, error) {
	return []byte("PONG"), nil
})
