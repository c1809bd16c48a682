// Command newsrelay は地域ニュースを収集・変換し、チャンネルへ配信する。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/newsrelay/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
