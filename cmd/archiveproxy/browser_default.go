//go:build !(linux || darwin)

package main

import "errors"

func openBrowser(url string) error {
	return errors.New("unable to launch a browser on this system")
}
