package main

import (
	"fmt"
	"os"

	"github.com/Plannorium/curenium-sub004/internal/auth"
)

// 生成通知推送口令的 bcrypt hash，填进 INGEST_SECRET_HASH。
func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: hashsecret <secret>")
		os.Exit(2)
	}
	hash, err := auth.HashIngestSecret(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "hash:", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}
