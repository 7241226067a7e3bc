package main

import (
	"shopmirror-backend/cmd/catalogd/commands"
	"shopmirror-backend/lib/serviceutil"
)

func main() {
	ctx := serviceutil.SignalContext()
	commands.ExecuteContext(ctx)
}
