package constants

// Channel names that never go through the outbound dispatcher. The console
// runs commands through the loop directly.
var internalChannels = map[string]struct{}{
	"cli":    {},
	"system": {},
}

func IsInternalChannel(name string) bool {
	_, ok := internalChannels[name]
	return ok
}
