// Remedy - event-driven compliance remediation
package main

import (
	_ "github.com/yairfalse/remedy/providers/aws"
	_ "github.com/yairfalse/remedy/providers/memory"
)

func main() {
	Execute()
}
