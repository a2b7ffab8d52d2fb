package main

import (
	"context"
	"fmt"
	"os"

	"github.com/loqalabs/loqa-scribe/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
