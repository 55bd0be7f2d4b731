//go:build !linux

package tunnel

import "errors"

// Kernel L2TPv3 and rtnetlink are Linux-only. Non-Linux builds get a stub
// so the CLI still compiles for status-only use in development.
type stubLinkOps struct{}

func defaultLinkOps() linkOps { return stubLinkOps{} }

var errUnsupported = errors.New("kernel tunnel operations are only supported on linux")

func (stubLinkOps) EnsureAddr(string, string) error     { return errUnsupported }
func (stubLinkOps) SetUp(string) error                  { return errUnsupported }
func (stubLinkOps) State(string) (linkInfo, error)      { return linkInfo{}, errUnsupported }
