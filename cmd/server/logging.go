package main

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

func setupLogger(file string, level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if file == "" {
		logrus.SetOutput(os.Stdout)
		return nil
	}
	logFile, err := os.OpenFile(file, os.O_APPEND|os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	logrus.SetOutput(io.MultiWriter(os.Stdout, logFile))
	return nil
}
