package mime

// Limits bounds the MIME parser's recursion and part count so an
// adversarial message cannot exhaust memory or the call stack. It is
// threaded in explicitly by the caller (config.Config carries one) rather
// than read from a package-level global.
type Limits struct {
	// MaxDepth is the deepest a multipart/message nesting may recurse
	// before the parser gives up and recodes the offending part as a
	// defensive text/plain leaf.
	MaxDepth int

	// MaxParts bounds the total number of parts counted across the whole
	// tree during construction. Once reached, sibling boundary scanning
	// stops early; already-built parts are kept.
	MaxParts int

	// AssumedCharset is applied to a text/* part that declares no
	// charset parameter of its own.
	AssumedCharset string
}

// DefaultLimits returns the limits used when a caller does not configure
// its own. They are generous enough for real mail and tight enough to stop
// a hostile deeply-nested multipart bomb.
func DefaultLimits() Limits {
	return Limits{
		MaxDepth:       30,
		MaxParts:       5000,
		AssumedCharset: "us-ascii",
	}
}
