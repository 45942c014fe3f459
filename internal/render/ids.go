package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IDGenerator assigns render job ids. Generated ids look like
// job_<unix ms>_<32 hex chars>; the timestamp is informational only and is
// never parsed back.
type IDGenerator struct {
	prefix string
	now    func() time.Time
}

func NewIDGenerator(prefix string, now func() time.Time) *IDGenerator {
	if prefix == "" {
		prefix = "job"
	}
	if now == nil {
		now = time.Now
	}
	return &IDGenerator{prefix: prefix, now: now}
}

// Generate returns clientSupplied unchanged when it is non-empty, so clients
// can use it as an idempotency key.
func (g *IDGenerator) Generate(clientSupplied string) string {
	if clientSupplied != "" {
		return clientSupplied
	}
	// uuid v4 carries 122 random bits.
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s_%d_%s", g.prefix, g.now().UnixMilli(), suffix)
}
