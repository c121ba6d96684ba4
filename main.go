//go:build !test

package main

import (
	"log"
	"os"

	"github.com/bobuhiro11/gokvm/flag"
	"github.com/bobuhiro11/gokvm/hv/debugger"
)

func main() {
	debugArgs, err := flag.ParseArgs(os.Args)
	if err != nil {
		log.Fatal(err)
	}

	if err := debugger.Run(*debugArgs); err != nil {
		log.Fatal(err)
	}
}
