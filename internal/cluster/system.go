package cluster

import (
	"fmt"
	"os"
)

// SystemNameProvider names the node executing tokens. Selected tokens are
// tagged with it.
type SystemNameProvider interface {
	SystemName() string
}

// StaticName is a fixed system name.
type StaticName string

func (n StaticName) SystemName() string { return string(n) }

// HostName returns a provider naming the node "<hostname>-<pid>".
func HostName() SystemNameProvider {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return StaticName(fmt.Sprintf("%s-%d", host, os.Getpid()))
}

// NameOrHost returns name as a provider, or HostName when it is empty.
func NameOrHost(name string) SystemNameProvider {
	if name == "" {
		return HostName()
	}
	return StaticName(name)
}
