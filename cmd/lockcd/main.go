// lockcd — security-policy daemon for container workloads.
package main

import "github.com/ppiankov/lockc/internal/cli"

func main() {
	cli.Execute()
}
