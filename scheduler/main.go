// Command scheduler triggers pipeline stages from the command line or, as a
// daemon, on cron schedules.
//
// Exit codes: 1 usage, 2 bad arguments or configuration, 3 stage failure.
package main

import (
	"context"
	"os"
)

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], newEnv(os.Stdout, os.Stderr)))
}
