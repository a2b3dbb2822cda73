package main

import (
	"context"

	"github.com/alvmarrod/sunweaver/cmd/sunweaver/commands"
)

func main() {
	commands.ExecuteContext(context.Background())
}
