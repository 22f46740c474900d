package main

import (
	"context"
	"errors"
	"log"
	"os"

	"github.com/sentryrbac/rbac-core/pkg/rbac"
)

func main() {
	dbPath := os.Getenv("RBAC_DB_PATH")
	if dbPath == "" {
		dbPath = "rbac.db"
	}

	cfg := rbac.DefaultConfig(dbPath, 1)

	ctx := context.Background()
	core, err := rbac.Open(ctx, cfg, rbac.NewArgon2Hasher(),
		rbac.NoopOwnershipFixer{}, rbac.OSSafeMover{}, rbac.NoopCacheInvalidator{})
	if err != nil {
		log.Fatal("Failed to open RBAC database:", err)
	}
	defer core.Close()

	admin, err := core.Users.GetByName(ctx, "administrator")
	if err != nil {
		log.Fatal("Failed to look up default administrator:", err)
	}
	log.Printf("default administrator user id: %d", admin.ID)

	roles, err := core.UserRoles.ListRolesOfUser(ctx, admin.ID)
	if err != nil {
		log.Fatal("Failed to list administrator's roles:", err)
	}
	for _, role := range roles {
		log.Printf("administrator has role %q (id %d)", role.Name, role.ID)
	}

	auditor, err := core.Roles.Add(ctx, "auditor", rbac.DefaultAddOptions())
	if err != nil && !errors.Is(err, rbac.ErrAlreadyExist) {
		log.Fatal("Failed to create auditor role:", err)
	} else if err == nil {
		log.Printf("created role %q (id %d)", auditor.Name, auditor.ID)
	}
}
