package testing

import (
	"context"
	"testing"

	"github.com/marmos91/dittoshare/pkg/blob"
)

// DriverTestSuite tests the blob.Driver contract, not implementation details,
// so it can run against every driver (memory, filesystem, S3).
//
// Usage:
//
//	func TestMyDriver(t *testing.T) {
//	    suite := &testing.DriverTestSuite{
//	        NewDriver: func(t *testing.T) blob.Driver {
//	            return mydriver.New()
//	        },
//	    }
//	    suite.Run(t)
//	}
type DriverTestSuite struct {
	// NewDriver creates a fresh, empty driver for each test.
	NewDriver func(t *testing.T) blob.Driver
}

// Run executes all tests in the suite.
func (suite *DriverTestSuite) Run(t *testing.T) {
	t.Run("Staging", suite.RunStagingTests)
	t.Run("Erase", suite.RunEraseTests)
	t.Run("Filter", suite.RunFilterTests)
	t.Run("Wipe", suite.RunWipeTests)
}

func testContext() context.Context {
	return context.Background()
}
