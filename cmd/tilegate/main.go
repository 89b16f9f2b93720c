package main

import "github.com/lqh2307/tileserver-gl-sub003/internal/cmd"

func main() {
	cmd.Execute()
}
