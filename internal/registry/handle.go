package registry

import (
	"fmt"
	"strings"
)

// Handle is the capability token given to clients: the service signature in
// the high 32 bits and the usage signature in the low 32 bits.
type Handle uint64

func MakeHandle(service, usage uint32) Handle {
	return Handle(uint64(service)<<32 | uint64(usage))
}

func (h Handle) Service() uint32 {
	return uint32(h >> 32)
}

func (h Handle) Usage() uint32 {
	return uint32(h)
}

func (h Handle) String() string {
	return fmt.Sprintf("%08x:%08x", h.Service(), h.Usage())
}

// MetadataPolicy decides when REGISTER carries function metadata.
type MetadataPolicy uint8

const (
	// PolicyAlways returns metadata on every successful register.
	PolicyAlways MetadataPolicy = iota
	// PolicyFirst returns metadata only to the register that loaded the
	// service; later registers get none.
	PolicyFirst
)

func ParseMetadataPolicy(raw string) (MetadataPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "always":
		return PolicyAlways, nil
	case "first":
		return PolicyFirst, nil
	default:
		return PolicyAlways, fmt.Errorf("registry: unknown metadata policy %q", raw)
	}
}

func (p MetadataPolicy) String() string {
	if p == PolicyFirst {
		return "first"
	}
	return "always"
}
