package outpost

import "github.com/outpostkit/outpost/internal/wire"

// Headers is an ordered, case-insensitive multi-map (spec §3: "headers
// (ordered multi-map, case-insensitive names)"). It is a type alias for
// internal/wire.Headers so the public API and the connection state
// machines share one representation with no conversion at send time.
type Headers = wire.Headers

// NewHeaders returns an empty Headers multimap.
func NewHeaders() *Headers { return wire.NewHeaders() }
