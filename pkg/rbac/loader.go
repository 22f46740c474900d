package rbac

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed defaults/*.yaml
var embeddedDefaults embed.FS

// DefaultsLoader is the Default-Resources Loader: it reads the four
// declarative entity bundles plus the relationships bundle and seeds
// built-in users, roles, rules, and policies (resource_type=DEFAULT)
// along with their relationships. It never touches a resource that
// already exists by name — seeding is additive and idempotent — with one
// exception: when a configured policy's body already exists under another
// name, that existing policy is renamed in place (reserved id) or deleted
// and re-added under the configured name (non-reserved id).
type DefaultsLoader struct {
	users     *UserManager
	roles     *RoleManager
	rules     *RuleManager
	policies  *PolicyManager
	userRoles *UserRoleManager
	rolePols  *RolePolicyManager
	roleRules *RoleRuleManager
	// dir, if non-empty, overrides the embedded bundles with YAML files
	// read from this directory (Config.DefaultsDir).
	dir string
}

// NewDefaultsLoader constructs a DefaultsLoader wired to the given
// managers. dir overrides the embedded bundles when non-empty.
func NewDefaultsLoader(users *UserManager, roles *RoleManager, rules *RuleManager, policies *PolicyManager,
	userRoles *UserRoleManager, rolePols *RolePolicyManager, roleRules *RoleRuleManager, dir string) *DefaultsLoader {
	return &DefaultsLoader{
		users: users, roles: roles, rules: rules, policies: policies,
		userRoles: userRoles, rolePols: rolePols, roleRules: roleRules, dir: dir,
	}
}

func (l *DefaultsLoader) readBundle(name string) ([]byte, error) {
	if l.dir != "" {
		return os.ReadFile(filepath.Join(l.dir, name))
	}
	return embeddedDefaults.ReadFile("defaults/" + name)
}

// orderedEntry is one key/value pair of a YAML mapping, preserving
// document order so built-in ids assigned by sequential auto-increment
// land the way the bundle author expects (notably: the first role in
// roles.yaml becomes role 1, and the first two rules in rules.yaml
// become the rules role 1 must always retain).
type orderedEntry struct {
	Key   string
	Value yaml.Node
}

type orderedMapping []orderedEntry

// UnmarshalYAML decodes a YAML mapping node into its entries in
// document order, unlike a Go map whose iteration order is randomized.
func (m *orderedMapping) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("expected a YAML mapping, got kind %d", value.Kind)
	}
	out := make(orderedMapping, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		out = append(out, orderedEntry{Key: value.Content[i].Value, Value: *value.Content[i+1]})
	}
	*m = out
	return nil
}

// singleTopLevelValue decodes a bundle whose document is a mapping with
// exactly one top-level key (an arbitrary group label) and returns that
// key's value decoded as an ordered mapping.
func singleTopLevelValue(raw []byte) (orderedMapping, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}
	if len(root.Content) != 1 || root.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("bundle is not a single-key mapping document")
	}
	doc := root.Content[0]
	if len(doc.Content) < 2 {
		return nil, fmt.Errorf("bundle's top-level key has no value")
	}
	var inner orderedMapping
	if err := doc.Content[1].Decode(&inner); err != nil {
		return nil, fmt.Errorf("decode bundle body: %w", err)
	}
	return inner, nil
}

type userPayload struct {
	Password   string `yaml:"password"`
	AllowRunAs bool   `yaml:"allow_run_as"`
}

type rulePayload struct {
	Rule map[string]any `yaml:"rule"`
}

type policyGroupPayload struct {
	Policies orderedMapping `yaml:"policies"`
}

type policyBody struct {
	Actions   []string `yaml:"actions" json:"actions"`
	Resources []string `yaml:"resources" json:"resources"`
	Effect    string   `yaml:"effect" json:"effect"`
}

type relationshipsBundle struct {
	Users map[string]struct {
		RoleIDs []string `yaml:"role_ids"`
	} `yaml:"users"`
	Roles map[string]struct {
		PolicyIDs []string `yaml:"policy_ids"`
		RuleIDs   []string `yaml:"rule_ids"`
	} `yaml:"roles"`
}

// Load seeds every default resource and relationship that is not
// already present. It is safe to call on every startup: existing
// entities are left untouched, and relationships that already exist are
// skipped (AddOptions/RelOptions surface ErrAlreadyExist, which Load
// treats as success).
func (l *DefaultsLoader) Load(ctx context.Context) error {
	if err := l.loadUsers(ctx); err != nil {
		return fmt.Errorf("load default users: %w", err)
	}
	if err := l.loadRoles(ctx); err != nil {
		return fmt.Errorf("load default roles: %w", err)
	}
	if err := l.loadRules(ctx); err != nil {
		return fmt.Errorf("load default rules: %w", err)
	}
	policyNamesByGroup, err := l.loadPolicies(ctx)
	if err != nil {
		return fmt.Errorf("load default policies: %w", err)
	}
	if err := l.loadRelationships(ctx, policyNamesByGroup); err != nil {
		return fmt.Errorf("load default relationships: %w", err)
	}
	return nil
}

func (l *DefaultsLoader) loadUsers(ctx context.Context) error {
	raw, err := l.readBundle("users.yaml")
	if err != nil {
		return err
	}
	entries, err := singleTopLevelValue(raw)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		var payload userPayload
		if err := entry.Value.Decode(&payload); err != nil {
			return fmt.Errorf("decode default user %s: %w", entry.Key, err)
		}
		opts := AddOptions{CheckDefault: false, ResourceType: ResourceDefault}
		_, err := l.users.Add(ctx, entry.Key, payload.Password, payload.AllowRunAs, opts)
		if err != nil && !errors.Is(err, ErrAlreadyExist) {
			return fmt.Errorf("add default user %s: %w", entry.Key, err)
		}
	}
	return nil
}

func (l *DefaultsLoader) loadRoles(ctx context.Context) error {
	raw, err := l.readBundle("roles.yaml")
	if err != nil {
		return err
	}
	entries, err := singleTopLevelValue(raw)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		opts := AddOptions{CheckDefault: false, ResourceType: ResourceDefault}
		_, err := l.roles.Add(ctx, entry.Key, opts)
		if err != nil && !errors.Is(err, ErrAlreadyExist) {
			return fmt.Errorf("add default role %s: %w", entry.Key, err)
		}
	}
	return nil
}

func (l *DefaultsLoader) loadRules(ctx context.Context) error {
	raw, err := l.readBundle("rules.yaml")
	if err != nil {
		return err
	}
	entries, err := singleTopLevelValue(raw)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		var payload rulePayload
		if err := entry.Value.Decode(&payload); err != nil {
			return fmt.Errorf("decode default rule %s: %w", entry.Key, err)
		}
		body, err := json.Marshal(payload.Rule)
		if err != nil {
			return fmt.Errorf("marshal default rule %s: %w", entry.Key, err)
		}
		opts := AddOptions{CheckDefault: false, ResourceType: ResourceDefault}
		_, err = l.rules.Add(ctx, entry.Key, string(body), opts)
		if err != nil && !errors.Is(err, ErrAlreadyExist) {
			return fmt.Errorf("add default rule %s: %w", entry.Key, err)
		}
	}
	return nil
}

// loadPolicies seeds default policies, resolving the body-uniqueness
// collision case: when the configured body already exists under a
// different id, a reserved id is updated in place, and a non-reserved
// id is replaced (delete, re-add, restore the role links at their old
// positions). It returns, for every group name, the
// list of stored policy names the group expanded to ("{group}_{sub}"),
// used by loadRelationships to resolve policy_ids group references.
func (l *DefaultsLoader) loadPolicies(ctx context.Context) (map[string][]string, error) {
	raw, err := l.readBundle("policies.yaml")
	if err != nil {
		return nil, err
	}
	groups, err := singleTopLevelValue(raw)
	if err != nil {
		return nil, err
	}

	policyNamesByGroup := make(map[string][]string, len(groups))
	for _, group := range groups {
		var groupPayload policyGroupPayload
		if err := group.Value.Decode(&groupPayload); err != nil {
			return nil, fmt.Errorf("decode default policy group %s: %w", group.Key, err)
		}

		for _, sub := range groupPayload.Policies {
			var body policyBody
			if err := sub.Value.Decode(&body); err != nil {
				return nil, fmt.Errorf("decode default policy %s/%s: %w", group.Key, sub.Key, err)
			}
			bodyJSON, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("marshal default policy %s/%s: %w", group.Key, sub.Key, err)
			}
			name := group.Key + "_" + sub.Key
			policyNamesByGroup[group.Key] = append(policyNamesByGroup[group.Key], name)

			if err := l.loadOnePolicy(ctx, name, string(bodyJSON)); err != nil {
				return nil, fmt.Errorf("load default policy %s: %w", name, err)
			}
		}
	}
	return policyNamesByGroup, nil
}

func (l *DefaultsLoader) loadOnePolicy(ctx context.Context, name, bodyJSON string) error {
	opts := AddOptions{CheckDefault: false, ResourceType: ResourceDefault}

	if _, err := l.policies.GetByName(ctx, name); err == nil {
		// Already present by name: preserved verbatim, per the general
		// "existing entities by name are preserved" rule.
		return nil
	} else if !errors.Is(err, ErrPolicyNotExist) {
		return err
	}

	existing, err := l.policies.GetByBody(ctx, bodyJSON)
	if err != nil && !errors.Is(err, ErrPolicyNotExist) && !errors.Is(err, ErrInvalid) {
		return err
	}
	if err == nil {
		// The configured body is already stored under a different name
		// (and id). Reserved ids are updated in place; non-reserved ids
		// are replaced, restoring their role links afterwards.
		if isReserved(existing.ID) {
			upd := PolicyUpdate{Name: &name}
			_, err := l.policies.Update(ctx, existing.ID, upd, false)
			return err
		}
		return l.replaceCollidingPolicy(ctx, existing.ID, name, bodyJSON)
	}

	_, err = l.policies.Add(ctx, name, bodyJSON, opts)
	if err != nil && !errors.Is(err, ErrAlreadyExist) {
		return err
	}
	return nil
}

func (l *DefaultsLoader) replaceCollidingPolicy(ctx context.Context, oldID int64, newName, bodyJSON string) error {
	roles, err := l.rolePols.ListRolesOfPolicy(ctx, oldID)
	if err != nil {
		return err
	}
	positions := make(map[int64]int, len(roles))
	for _, role := range roles {
		rolePolicies, err := l.rolePols.ListPoliciesOfRole(ctx, role.ID)
		if err != nil {
			return err
		}
		for i, p := range rolePolicies {
			if p.ID == oldID {
				positions[role.ID] = i
				break
			}
		}
	}

	// Unlink through the manager (not the delete cascade) so each role's
	// remaining levels are shifted back into a contiguous sequence before
	// the re-add below restores the link at its recorded position.
	for roleID := range positions {
		if _, err := l.rolePols.Remove(ctx, roleID, oldID, RelOptions{ForceAdmin: true, Atomic: true}); err != nil {
			return err
		}
	}

	if _, err := l.policies.DeleteByID(ctx, oldID); err != nil {
		return err
	}
	opts := AddOptions{CheckDefault: false, ResourceType: ResourceDefault}
	created, err := l.policies.Add(ctx, newName, bodyJSON, opts)
	if err != nil {
		return err
	}
	for roleID, position := range positions {
		pos := position
		relOpts := RelOptions{Position: &pos, ForceAdmin: true, Atomic: true}
		if _, err := l.rolePols.AddPolicyToRole(ctx, roleID, created.ID, relOpts); err != nil {
			return err
		}
	}
	return nil
}

func (l *DefaultsLoader) loadRelationships(ctx context.Context, policyNamesByGroup map[string][]string) error {
	raw, err := l.readBundle("relationships.yaml")
	if err != nil {
		return err
	}

	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return fmt.Errorf("parse relationships bundle: %w", err)
	}
	if len(root.Content) != 1 || root.Content[0].Kind != yaml.MappingNode || len(root.Content[0].Content) < 2 {
		return fmt.Errorf("relationships bundle is not a single-key mapping document")
	}
	var bundle relationshipsBundle
	if err := root.Content[0].Content[1].Decode(&bundle); err != nil {
		return fmt.Errorf("decode relationships bundle: %w", err)
	}

	for username, payload := range bundle.Users {
		user, err := l.users.GetByName(ctx, username)
		if err != nil {
			continue // missing endpoint: ignored, not fatal
		}
		for _, roleName := range payload.RoleIDs {
			role, err := l.roles.GetByName(ctx, roleName)
			if err != nil {
				continue
			}
			relOpts := RelOptions{ForceAdmin: true, Atomic: true}
			if _, err := l.userRoles.AddRoleToUser(ctx, user.ID, role.ID, relOpts); err != nil && !errors.Is(err, ErrAlreadyExist) {
				return fmt.Errorf("link default user %s to role %s: %w", username, roleName, err)
			}
		}
	}

	for roleName, payload := range bundle.Roles {
		role, err := l.roles.GetByName(ctx, roleName)
		if err != nil {
			continue
		}
		for _, groupName := range payload.PolicyIDs {
			for _, policyName := range policyNamesByGroup[groupName] {
				policy, err := l.policies.GetByName(ctx, policyName)
				if err != nil {
					continue
				}
				relOpts := RelOptions{ForceAdmin: true, Atomic: true}
				if _, err := l.rolePols.AddPolicyToRole(ctx, role.ID, policy.ID, relOpts); err != nil && !errors.Is(err, ErrAlreadyExist) {
					return fmt.Errorf("link default role %s to policy %s: %w", roleName, policyName, err)
				}
			}
		}
		for _, ruleName := range payload.RuleIDs {
			rule, err := l.rules.GetByName(ctx, ruleName)
			if err != nil {
				continue
			}
			relOpts := RelOptions{ForceAdmin: true, Atomic: true}
			if _, err := l.roleRules.AddRuleToRole(ctx, role.ID, rule.ID, relOpts); err != nil && !errors.Is(err, ErrAlreadyExist) {
				return fmt.Errorf("link default role %s to rule %s: %w", roleName, ruleName, err)
			}
		}
	}

	return nil
}
