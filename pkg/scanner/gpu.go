// pkg/scanner/gpu.go

package scanner

import (
	"Kerf/pkg/config"

	"github.com/pkg/errors"
)

// The OpenCL kernel backend is built only on hosts with the vendor
// toolchain; this stub makes Build fall back to the CPU implementation.
func newGpuScanner(cfg *config.Config) (SignatureScanner, error) {
	return nil, errors.New("built without OpenCL support")
}
