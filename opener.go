package main

import (
	"fmt"
	"os/exec"
	"runtime"
)

// systemOpener returns the command that hands a URL or file to the desktop.
func systemOpener(target string) (string, []string, error) {
	switch runtime.GOOS {
	case "darwin":
		return "open", []string{target}, nil
	case "linux", "freebsd", "openbsd", "netbsd":
		return "xdg-open", []string{target}, nil
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", target}, nil
	default:
		return "", nil, fmt.Errorf("no opener for platform %s", runtime.GOOS)
	}
}

// openBrowser opens url in the default browser without waiting for it.
func openBrowser(url string) error {
	name, args, err := systemOpener(url)
	if err != nil {
		return err
	}

	_, err = startDetached(name, args...)

	return err
}

// startDetached starts a helper process and reaps it in the background. The
// returned channel receives its exit result.
func startDetached(name string, args ...string) (<-chan error, error) {
	cmd := exec.Command(name, args...) //nolint:gosec // fixed per-platform opener
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launching %s: %w", name, err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	return exited, nil
}

// openFile opens a downloaded file with its default application.
func openFile(path string) error {
	return openBrowser(path)
}
