package ports

// Service defines a long-running component of the responder
type Service interface {
	// Start starts the service in the background
	Start() error

	// Stop stops the service and waits for in-flight work to wind down
	Stop() error
}
