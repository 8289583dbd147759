//go:build !windows

package mlibrary

import (
	"fmt"

	"github.com/lysShub/mlibrary/memorymodule"
)

func (p *Proc) Call(a ...uintptr) (r1, r2 uintptr, lastErr error) {
	return 0, 0, fmt.Errorf("%s: %w", p.Name, memorymodule.ErrNotSupported)
}
