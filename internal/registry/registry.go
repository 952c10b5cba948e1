// Package registry records which engine instances exist and which parties
// may create them.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Role uint8

const (
	RoleOwner Role = iota + 1
	RoleContractCreator
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleContractCreator:
		return "contract_creator"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

var (
	ErrNotOwner          = errors.New("caller does not hold the owner role")
	ErrNotCreator        = errors.New("caller does not hold the contract creator role")
	ErrAlreadyRegistered = errors.New("instance already registered")
	ErrUnknownInstance   = errors.New("instance not registered")
)

// Registration is one registered engine instance.
type Registration struct {
	InstanceID   string
	Creator      common.Address
	RegisteredAt time.Time
}

// Registry holds role membership and the registered instances.
type Registry struct {
	mu        sync.RWMutex
	members   map[Role]map[common.Address]struct{}
	instances map[string]Registration
	order     []string
}

// NewRegistry grants owner to the deployer. Only owners manage membership.
func NewRegistry(owner common.Address) *Registry {
	r := &Registry{
		members:   make(map[Role]map[common.Address]struct{}),
		instances: make(map[string]Registration),
	}
	r.members[RoleOwner] = map[common.Address]struct{}{owner: {}}
	return r
}

func (r *Registry) AddMember(caller common.Address, role Role, member common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.holdsLocked(RoleOwner, caller) {
		return ErrNotOwner
	}
	set, ok := r.members[role]
	if !ok {
		set = make(map[common.Address]struct{})
		r.members[role] = set
	}
	set[member] = struct{}{}
	return nil
}

func (r *Registry) RemoveMember(caller common.Address, role Role, member common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.holdsLocked(RoleOwner, caller) {
		return ErrNotOwner
	}
	delete(r.members[role], member)
	return nil
}

func (r *Registry) HoldsRole(role Role, addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.holdsLocked(role, addr)
}

func (r *Registry) holdsLocked(role Role, addr common.Address) bool {
	_, ok := r.members[role][addr]
	return ok
}

// RegisterContract records a new instance created by caller.
func (r *Registry) RegisterContract(caller common.Address, instanceID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.holdsLocked(RoleContractCreator, caller) {
		return ErrNotCreator
	}
	if _, ok := r.instances[instanceID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, instanceID)
	}
	r.instances[instanceID] = Registration{InstanceID: instanceID, Creator: caller, RegisteredAt: at}
	r.order = append(r.order, instanceID)
	return nil
}

func (r *Registry) IsRegistered(instanceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.instances[instanceID]
	return ok
}

func (r *Registry) Registration(instanceID string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.instances[instanceID]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}
	return reg, nil
}

// Registered lists instance ids in registration order.
func (r *Registry) Registered() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
