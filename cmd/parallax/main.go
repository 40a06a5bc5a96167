// Command parallax runs coding agents in parallel over a task graph.
package main

func main() {
	Execute()
}
