package tds

import "os"

// processID returns this process's PID for Login7's ClientPID field.
func processID() int {
	return os.Getpid()
}

// clientHostName returns the local machine's hostname, or "" if it cannot
// be determined. An empty HostName is valid on the wire; SQL Server treats
// it as "unknown".
func clientHostName() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}
