// Command timeroi はTimeROIのAPIサーバーを起動する。
//
// 使い方:
//
//	timeroi [serve|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/timeroi/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "timeroi: %v\n", err)
		os.Exit(1)
	}
}
