// Package api implements the control plane protocol: one JSON request and one
// JSON response, each on its own line, per TCP connection.
package api

import "github.com/efficientgo/core/errors"

type RequestType string

const (
	TypeAdd    RequestType = "ADD"
	TypeDelete RequestType = "DELETE"
)

const (
	StatusOk    = 0
	StatusError = 1
)

// ErrRejected marks handler errors that are the caller's fault. They are
// reported in the response only.
var ErrRejected = errors.New("request rejected")

type Request struct {
	Name string      `json:"name"`
	Size int         `json:"size"`
	Type RequestType `json:"type"`
}

type Response struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func Ok() Response {
	return Response{Message: "Ok", Status: StatusOk}
}

func Error(message string) Response {
	return Response{Message: message, Status: StatusError}
}

// Handler carries out control plane requests.
type Handler interface {
	AddDisk(name string, sizeMB int) error
	DeleteDisks(name string) error
}
