package main

import (
	"github.com/sirupsen/logrus"

	"renewal-mail-engine/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		logrus.Fatalf("application error: %v", err)
	}
}
