package main

import (
	"fmt"

	"github.com/ternarybob/sessionpool/internal/common"
)

type versionCmd struct {
	Full bool `help:"Include build metadata"`
}

func (cmd *versionCmd) Run() error {
	if cmd.Full {
		fmt.Printf("SessionPool %s\n", common.GetFullVersion())
		return nil
	}
	fmt.Printf("SessionPool version %s\n", common.GetVersion())
	return nil
}
