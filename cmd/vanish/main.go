// Command vanish は閲覧後に消えるコンテンツとメッセージを提供するAPIサーバー兼ワーカー。
//
// 使い方:
//
//	vanish [serve|worker|janitor|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/vanish/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
