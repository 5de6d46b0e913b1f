package main

import "github.com/MeKo-Tech/tracksfm/cmd/tracksfm/cmd"

func main() {
	cmd.Execute()
}
