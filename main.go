// Command jobmatrix runs declarative CI workflow matrices locally.
package main

import "jobmatrix/internal/cli"

func main() {
	cli.Execute()
}
