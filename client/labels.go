package client

// Label keys shared by log fields, metric attributes and span attributes.
const (
	labelEngine    = "engine"
	labelClass     = "class"
	labelKind      = "kind"
	labelOperation = "operation"
	labelStatus    = "status"
	labelMode      = "mode"
)
