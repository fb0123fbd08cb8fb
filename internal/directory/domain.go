// Package directory provides read-only lookups of users, projects, tasks, project
// membership and the holiday calendar.
package directory

import (
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Role is the organisational role of a user.
type Role string

const (
	RoleEmployee   Role = "employee"
	RoleLead       Role = "lead"
	RoleManager    Role = "manager"
	RoleManagement Role = "management"
)

// MemberRole is the role a user holds on one project.
type MemberRole string

const (
	MemberEmployee MemberRole = "member"
	MemberLead     MemberRole = "lead"
	MemberManager  MemberRole = "manager"
)

// User is a directory user.
type User struct {
	ID         int64
	Name       string
	Email      string
	Role       Role
	HourlyRate decimal.Decimal
	Active     bool
}

// Project is a billable project owned by a client.
type Project struct {
	ID       int64
	ClientID int64
	Code     string
	Name     string
	Active   bool
}

// Task belongs to one project.
type Task struct {
	ID        int64
	ProjectID int64
	Name      string
	Active    bool
}

// Membership enrols a user on a project for a date window.
type Membership struct {
	ProjectID int64
	UserID    int64
	Role      MemberRole
	From      time.Time
	Until     *time.Time
}

// ActiveDuring reports whether the membership overlaps [from, to].
func (m Membership) ActiveDuring(from, to time.Time) bool {
	if m.From.After(to) {
		return false
	}
	return m.Until == nil || !m.Until.Before(from)
}

// Directory is the read-only project/task/user lookup consumed by the engines.
type Directory interface {
	GetUser(ctx context.Context, id int64) (User, error)
	GetProject(ctx context.Context, id int64) (Project, error)
	GetTask(ctx context.Context, id int64) (Task, error)
	IsTaskAssigned(ctx context.Context, taskID, userID int64) (bool, error)
	Memberships(ctx context.Context, projectID int64, from, to time.Time) ([]Membership, error)
}

// Calendar answers whether a date is a recognized holiday.
type Calendar interface {
	IsHoliday(ctx context.Context, date time.Time) (bool, error)
}

// RequiredMembers returns the distinct employees expected to submit timesheets for the
// project during [from, to], sorted ascending.
func RequiredMembers(memberships []Membership, from, to time.Time) []int64 {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, m := range memberships {
		if m.Role != MemberEmployee || !m.ActiveDuring(from, to) {
			continue
		}
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		ids = append(ids, m.UserID)
	}
	slices.Sort(ids)
	return ids
}

// HoldsRole reports whether user holds role on the project at any point in [from, to].
func HoldsRole(memberships []Membership, userID int64, role MemberRole, from, to time.Time) bool {
	for _, m := range memberships {
		if m.UserID == userID && m.Role == role && m.ActiveDuring(from, to) {
			return true
		}
	}
	return false
}
