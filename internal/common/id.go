package common

import (
	"github.com/google/uuid"
)

// NewInstanceID identifies one running permitwatch process.
// Format: pw_<uuid>
func NewInstanceID() string {
	return "pw_" + uuid.New().String()
}

// NewClientID identifies one dashboard websocket connection.
// Format: client_<uuid>
func NewClientID() string {
	return "client_" + uuid.New().String()
}
