//go:build !linux

package dummynet

import "errors"

func defaultNetlinker() (Netlinker, error) {
	return nil, errors.New("netlink operations require linux; inject a Netlinker explicitly")
}
