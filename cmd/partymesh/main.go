package main

import (
	"flag"
	"fmt"
	"os"
)

const usage = `usage: partymesh <command> [flags]

commands:
  create   generate a room code and an owner join token
  join     join a room and serve the local control API
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "create":
		err = runCreate(os.Args[2:])
	case "join":
		err = runJoin(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "partymesh %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}
