//go:build !linux

package kernel

import (
	"errors"
	"runtime"
)

var errUnsupported = errors.New("kernel routing is only supported on linux, not " + runtime.GOOS)

// Netlink is unavailable outside Linux; every method returns an error.
type Netlink struct{}

// NewNetlink returns a Client whose methods all fail on this platform.
func NewNetlink() *Netlink {
	return &Netlink{}
}

func (n *Netlink) Rules() ([]Rule, error)             { return nil, errUnsupported }
func (n *Netlink) AddRule(Rule) error                 { return errUnsupported }
func (n *Netlink) DeleteRule(Rule) error              { return errUnsupported }
func (n *Netlink) Routes(int) ([]Route, error)        { return nil, errUnsupported }
func (n *Netlink) AddRoute(Route) error               { return errUnsupported }
func (n *Netlink) FlushTable(int) error               { return errUnsupported }
func (n *Netlink) DefaultRoute() (Route, error)       { return Route{}, errUnsupported }
func (n *Netlink) LinkExists(string) (bool, error)    { return false, errUnsupported }
func (n *Netlink) Links() ([]string, error)           { return nil, errUnsupported }
