// ABOUTME: Version and product identification constants
// ABOUTME: Reported to the server in ClientInfo
package version

const (
	// Version is the protocol/software version sent in ClientInfo
	Version = "0.1.0"

	// Product is the product name shown in the UI
	Product = "Jonect Player"

	// Manufacturer identifies the maker of this client
	Manufacturer = "Jonect"
)
