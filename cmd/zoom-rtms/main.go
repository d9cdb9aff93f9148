// Package main — точка входа zoom-rtms (webhook gateway + stream workers).
package main

import (
	"log"

	"github.com/jcarpenter-uam/calc-translation-sub000/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
