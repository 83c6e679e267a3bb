package main

import (
	"context"
	"os"

	"github.com/ai-janitor/minion-factory/internal/cli"
)

func main() {
	app := cli.NewApp(os.Stdout, os.Stderr)
	os.Exit(app.Execute(context.Background(), os.Args[1:]))
}
