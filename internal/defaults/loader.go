// Package defaults seeds the built-in security resources from the YAML
// bundles shipped with the service. Seeding is idempotent: resources that
// already exist by name are preserved, and only default policies are
// reconciled against the shipped bodies.
package defaults

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"

	"gopkg.in/yaml.v3"

	"github.com/sentinelsec/rbacdb/internal/db/models"
	"github.com/sentinelsec/rbacdb/internal/rbac"
)

//go:embed bundles/*.yaml
var bundles embed.FS

// Managers collects every manager the loader seeds through.
type Managers struct {
	Users         *rbac.UsersManager
	Roles         *rbac.RolesManager
	Rules         *rbac.RulesManager
	Policies      *rbac.PoliciesManager
	UserRoles     *rbac.UserRolesManager
	RolesPolicies *rbac.RolesPoliciesManager
	RolesRules    *rbac.RolesRulesManager
}

// Loader seeds default resources from a bundle filesystem.
type Loader struct {
	fsys fs.FS
	m    Managers
}

// NewLoader creates a loader over the embedded bundles.
func NewLoader(m Managers) *Loader {
	return &Loader{fsys: bundles, m: m}
}

// NewLoaderFS creates a loader over an arbitrary bundle filesystem. Tests
// use it to seed small fixtures.
func NewLoaderFS(fsys fs.FS, m Managers) *Loader {
	return &Loader{fsys: fsys, m: m}
}

// Load seeds users, roles, rules, policies and their relationships, in that
// order. Insertion order follows the bundle files, so the first role and the
// first two rules land on the ids the rest of the system treats as required.
func (l *Loader) Load(ctx context.Context) error {
	if err := l.loadUsers(ctx); err != nil {
		return err
	}
	if err := l.loadRoles(ctx); err != nil {
		return err
	}
	if err := l.loadRules(ctx); err != nil {
		return err
	}
	groups, err := l.loadPolicies(ctx)
	if err != nil {
		return err
	}
	return l.loadRelationships(ctx, groups)
}

// pair is one ordered key/value of a YAML mapping.
type pair struct {
	key   string
	value *yaml.Node
}

// bundle parses the named bundle and returns the value under its single
// top-level key.
func (l *Loader) bundle(name string) (*yaml.Node, error) {
	raw, err := fs.ReadFile(l.fsys, "bundles/"+name)
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", name, err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse bundle %s: %w", name, err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("bundle %s: empty document", name)
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode || len(root.Content) < 2 {
		return nil, fmt.Errorf("bundle %s: expected a single top-level mapping", name)
	}
	return root.Content[1], nil
}

// mappingPairs iterates a mapping node preserving file order. Go maps
// randomize iteration; seeding depends on the bundle order for id
// assignment.
func mappingPairs(node *yaml.Node) ([]pair, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("expected a mapping, got yaml kind %d", node.Kind)
	}
	pairs := make([]pair, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		pairs = append(pairs, pair{key: node.Content[i].Value, value: node.Content[i+1]})
	}
	return pairs, nil
}

func (l *Loader) loadUsers(ctx context.Context) error {
	node, err := l.bundle("users.yaml")
	if err != nil {
		return err
	}
	pairs, err := mappingPairs(node)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		var payload struct {
			Password   string `yaml:"password"`
			AllowRunAs bool   `yaml:"allow_run_as"`
		}
		if err := p.value.Decode(&payload); err != nil {
			return fmt.Errorf("default user %s: %w", p.key, err)
		}
		err := l.m.Users.Add(ctx, p.key, payload.Password, false, rbac.UserParams{
			ResourceType: models.ResourceTypeDefault,
			Seed:         true,
		})
		if err != nil && !errors.Is(err, rbac.ErrAlreadyExists) {
			return fmt.Errorf("default user %s: %w", p.key, err)
		}
		user, err := l.m.Users.GetByName(ctx, p.key)
		if err != nil {
			return fmt.Errorf("default user %s: %w", p.key, err)
		}
		if err := l.m.Users.EditRunAs(ctx, user.ID, payload.AllowRunAs); err != nil {
			return fmt.Errorf("default user %s: %w", p.key, err)
		}
	}
	return nil
}

func (l *Loader) loadRoles(ctx context.Context) error {
	node, err := l.bundle("roles.yaml")
	if err != nil {
		return err
	}
	pairs, err := mappingPairs(node)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		err := l.m.Roles.Add(ctx, p.key, rbac.RoleParams{
			ResourceType: models.ResourceTypeDefault,
			Seed:         true,
		})
		if err != nil && !errors.Is(err, rbac.ErrAlreadyExists) {
			return fmt.Errorf("default role %s: %w", p.key, err)
		}
	}
	return nil
}

func (l *Loader) loadRules(ctx context.Context) error {
	node, err := l.bundle("rules.yaml")
	if err != nil {
		return err
	}
	pairs, err := mappingPairs(node)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		var payload struct {
			Rule map[string]any `yaml:"rule"`
		}
		if err := p.value.Decode(&payload); err != nil {
			return fmt.Errorf("default rule %s: %w", p.key, err)
		}
		err := l.m.Rules.Add(ctx, p.key, payload.Rule, rbac.RuleParams{
			ResourceType: models.ResourceTypeDefault,
			Seed:         true,
		})
		if err != nil && !errors.Is(err, rbac.ErrAlreadyExists) {
			return fmt.Errorf("default rule %s: %w", p.key, err)
		}
	}
	return nil
}

// loadPolicies seeds the policy groups and returns each group's ordered
// sub-policy names for relationship linking.
func (l *Loader) loadPolicies(ctx context.Context) (map[string][]string, error) {
	node, err := l.bundle("policies.yaml")
	if err != nil {
		return nil, err
	}
	groupPairs, err := mappingPairs(node)
	if err != nil {
		return nil, err
	}
	groups := make(map[string][]string, len(groupPairs))
	for _, group := range groupPairs {
		var payload struct {
			Policies yaml.Node `yaml:"policies"`
		}
		if err := group.value.Decode(&payload); err != nil {
			return nil, fmt.Errorf("default policy group %s: %w", group.key, err)
		}
		subPairs, err := mappingPairs(&payload.Policies)
		if err != nil {
			return nil, fmt.Errorf("default policy group %s: %w", group.key, err)
		}
		for _, sub := range subPairs {
			var bodyMap map[string]any
			if err := sub.value.Decode(&bodyMap); err != nil {
				return nil, fmt.Errorf("default policy %s_%s: %w", group.key, sub.key, err)
			}
			body, err := rbac.PolicyBodyFromMap(bodyMap)
			if err != nil {
				return nil, fmt.Errorf("default policy %s_%s: %w", group.key, sub.key, err)
			}
			name := fmt.Sprintf("%s_%s", group.key, sub.key)
			err = l.m.Policies.Add(ctx, name, body, rbac.PolicyParams{
				ResourceType: models.ResourceTypeDefault,
				Seed:         true,
			})
			if errors.Is(err, rbac.ErrAlreadyExists) {
				if err := l.reconcilePolicy(ctx, name, body); err != nil {
					return nil, fmt.Errorf("default policy %s: %w", name, err)
				}
			} else if err != nil {
				return nil, fmt.Errorf("default policy %s: %w", name, err)
			}
			groups[group.key] = append(groups[group.key], sub.key)
		}
	}
	return groups, nil
}

// reconcilePolicy brings an already existing default policy in line with the
// shipped body. Reserved ids are updated in place; a policy that drifted
// into the user range is deleted and re-added, restoring each linked role's
// position afterwards.
func (l *Loader) reconcilePolicy(ctx context.Context, name string, body rbac.PolicyBody) error {
	existing, err := l.m.Policies.GetByName(ctx, name)
	if errors.Is(err, rbac.ErrPolicyNotExist) {
		// The body belongs to a policy under another name. Leave it.
		log.Printf("defaults: policy body of %s already stored under another name, skipping", name)
		return nil
	}
	if err != nil {
		return err
	}

	resourceType := models.ResourceTypeDefault
	if existing.ID <= rbac.MaxReserved {
		err := l.m.Policies.Update(ctx, existing.ID, rbac.UpdatePolicyParams{
			Body:         &body,
			ResourceType: &resourceType,
			Seed:         true,
		})
		if errors.Is(err, rbac.ErrAlreadyExists) {
			log.Printf("defaults: policy %s body conflicts with an existing policy, skipping", name)
			return nil
		}
		return err
	}

	levels, err := l.m.RolesPolicies.LevelsForPolicy(ctx, existing.ID)
	if err != nil {
		return err
	}
	if _, err := l.m.Policies.Delete(ctx, existing.ID); err != nil {
		return err
	}
	err = l.m.Policies.Add(ctx, name, body, rbac.PolicyParams{
		ResourceType: resourceType,
		Seed:         true,
	})
	if err != nil {
		return err
	}
	readded, err := l.m.Policies.GetByName(ctx, name)
	if err != nil {
		return err
	}
	for roleID, level := range levels {
		position := level
		err := l.m.RolesPolicies.AddPolicyToRole(ctx, roleID, readded.ID, rbac.LinkParams{
			Position:   &position,
			ForceAdmin: true,
		})
		if err != nil && !errors.Is(err, rbac.ErrAlreadyExists) {
			return err
		}
	}
	return nil
}

func (l *Loader) loadRelationships(ctx context.Context, groups map[string][]string) error {
	node, err := l.bundle("relationships.yaml")
	if err != nil {
		return err
	}
	var rel struct {
		Users map[string]struct {
			RoleIDs []string `yaml:"role_ids"`
		} `yaml:"users"`
		Roles map[string]struct {
			PolicyIDs []string `yaml:"policy_ids"`
			RuleIDs   []string `yaml:"rule_ids"`
		} `yaml:"roles"`
	}
	if err := node.Decode(&rel); err != nil {
		return fmt.Errorf("default relationships: %w", err)
	}

	for username, payload := range rel.Users {
		user, err := l.m.Users.GetByName(ctx, username)
		if errors.Is(err, rbac.ErrUserNotExist) {
			log.Printf("defaults: user %s not found, skipping its role links", username)
			continue
		}
		if err != nil {
			return err
		}
		for _, roleName := range payload.RoleIDs {
			role, err := l.m.Roles.GetByName(ctx, roleName)
			if errors.Is(err, rbac.ErrRoleNotExist) {
				log.Printf("defaults: role %s not found, skipping link to user %s", roleName, username)
				continue
			}
			if err != nil {
				return err
			}
			err = l.m.UserRoles.AddRoleToUser(ctx, user.ID, role.ID, rbac.LinkParams{ForceAdmin: true})
			if err != nil && !errors.Is(err, rbac.ErrAlreadyExists) {
				return err
			}
		}
	}

	for roleName, payload := range rel.Roles {
		role, err := l.m.Roles.GetByName(ctx, roleName)
		if errors.Is(err, rbac.ErrRoleNotExist) {
			log.Printf("defaults: role %s not found, skipping its links", roleName)
			continue
		}
		if err != nil {
			return err
		}
		for _, groupName := range payload.PolicyIDs {
			for _, subName := range groups[groupName] {
				policy, err := l.m.Policies.GetByName(ctx, fmt.Sprintf("%s_%s", groupName, subName))
				if errors.Is(err, rbac.ErrPolicyNotExist) {
					log.Printf("defaults: policy %s_%s not found, skipping link to role %s", groupName, subName, roleName)
					continue
				}
				if err != nil {
					return err
				}
				err = l.m.RolesPolicies.AddPolicyToRole(ctx, role.ID, policy.ID, rbac.LinkParams{ForceAdmin: true})
				if err != nil && !errors.Is(err, rbac.ErrAlreadyExists) {
					return err
				}
			}
		}
		for _, ruleName := range payload.RuleIDs {
			rule, err := l.m.Rules.GetByName(ctx, ruleName)
			if errors.Is(err, rbac.ErrRuleNotExist) {
				log.Printf("defaults: rule %s not found, skipping link to role %s", ruleName, roleName)
				continue
			}
			if err != nil {
				return err
			}
			err = l.m.RolesRules.AddRuleToRole(ctx, role.ID, rule.ID, rbac.LinkParams{ForceAdmin: true})
			if err != nil && !errors.Is(err, rbac.ErrAlreadyExists) {
				return err
			}
		}
	}
	return nil
}
