package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/KevinKickass/OpenRemoteIO/internal/auth"
	"github.com/KevinKickass/OpenRemoteIO/internal/protocol"
)

func runSchema(args []string) error {
	fs, _ := newFlagSet("schema")
	if err := fs.Parse(args); err != nil {
		return err
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(protocol.Schema())
}

func runToken(args []string) error {
	fs, g := newFlagSet("token")
	role := fs.String("role", "operator", "role: operator, technician or admin")
	subject := fs.String("subject", "cli", "token subject")
	machine := fs.Bool("machine", false, "generate a long-lived machine token and its config entry")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *machine {
		token, hash, err := auth.GenerateMachineToken()
		if err != nil {
			return err
		}
		fmt.Println(token)
		fmt.Fprintf(os.Stderr, "\nauth:\n  machine_tokens:\n    - name: %s\n      role: %s\n      hash: %s\n", *subject, *role, hash)
		return nil
	}

	cfg, err := g.load()
	if err != nil {
		return err
	}
	token, err := auth.NewAuthService(cfg.Auth).IssueToken(*subject, *role)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
