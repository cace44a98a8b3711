package main

import (
	"flag"
	"fmt"

	"partymesh/internal/core/domain"
	"partymesh/internal/core/services"
	"partymesh/pkg/config"
)

func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	configPath := fs.String("config", "configs/config.yaml", "path to the config file")
	name := fs.String("name", "", "owner display name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *name != "" {
		cfg.Identity.DisplayName = *name
	}

	room, err := domain.GenerateRoomID()
	if err != nil {
		return fmt.Errorf("failed to generate room code: %w", err)
	}
	fmt.Printf("room: %s\n", room)

	if cfg.Auth.JoinSecret == "" {
		return nil
	}
	auth := services.NewAuthService(cfg.Auth.JoinSecret, cfg.Auth.JoinTokenTTL)
	token, err := auth.GenerateJoinToken(room, domain.RoleOwner, domain.Profile{
		DisplayName: cfg.Identity.DisplayName,
		Email:       cfg.Identity.Email,
	})
	if err != nil {
		return fmt.Errorf("failed to generate owner token: %w", err)
	}
	fmt.Printf("owner token: %s\n", token)
	return nil
}
