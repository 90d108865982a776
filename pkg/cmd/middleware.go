package cmd

// Middleware decorates a command, typically with a guard chain.
type Middleware func(Command) Command

// Apply decorates c with each of mws in turn, so the last one is outermost
// and runs first.
func Apply(c Command, mws ...Middleware) Command {
	for _, mw := range mws {
		c = mw(c)
	}
	return c
}
