//go:build example

// Package main demonstrates authorization patterns in go-contentrepo.
//
// This example shows how to:
// 1. Grant permissions through the ACL editor
// 2. Register a custom operation policy
// 3. Register a custom operation restricted by role and permission
//
// Note: This is a standalone example file. Build it with the "example" tag.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	contentrepo "github.com/nlstn/go-contentrepo"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func main() {
	db, err := gorm.Open(sqlite.Open("example.db"), &gorm.Config{})
	if err != nil {
		log.Fatal(err)
	}

	repo, err := contentrepo.New(db, contentrepo.Config{
		TokenSecret: []byte("example-secret"),
	})
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	if err := repo.Install(ctx); err != nil {
		log.Fatal(err)
	}

	// Grant the Editors group read and write access below /Root/Content.
	// Deny entries always win over allows on the same path.
	err = repo.Security().CreateAclEditor().
		Allow("/Root/Content", "Editors", contentrepo.PermSee|contentrepo.PermOpen|contentrepo.PermSave|contentrepo.PermAddNew).
		Deny("/Root/Content/Archive", "Editors", contentrepo.PermSave).
		Apply(ctx)
	if err != nil {
		log.Fatal(err)
	}

	// A policy is a named predicate evaluated before an operation runs.
	// Operations referencing it are reported as disabled when it declines.
	err = repo.RegisterPolicy("WorkspaceOnly", func(identity contentrepo.Identity, target *contentrepo.Content) bool {
		return target.Schema().IsInstanceOf(target.TypeName(), "Workspace")
	})
	if err != nil {
		log.Fatal(err)
	}

	// Custom operations declare their requirements; the gate enforces them
	// on every call, and callers who cannot See the target get a plain 404.
	err = repo.RegisterOperation(&contentrepo.OperationInfo{
		Name: "Archive",
		Required: []contentrepo.Parameter{
			{Name: "reason", Type: contentrepo.String()},
		},
		Requirements: contentrepo.OperationRequirements{
			Roles:       []string{"Editors"},
			Permissions: contentrepo.PermSave,
			Policies:    []string{"WorkspaceOnly"},
		},
		Handler: func(ctx context.Context, target *contentrepo.Content, params map[string]interface{}) (interface{}, error) {
			fmt.Printf("archiving %s: %s\n", target.Path(), params["reason"])
			return nil, nil
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	repo.Start()
	log.Fatal(http.ListenAndServe(":8080", repo.Handler()))
}
