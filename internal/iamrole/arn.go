// Package iamrole checks and assumes the IAM role the warehouse uses to read
// the raw data from S3.
package iamrole

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/arn"
)

// ErrNotRoleARN is returned when an ARN does not name an IAM role.
var ErrNotRoleARN = errors.New("not an IAM role ARN")

// RoleARN is a parsed IAM role ARN.
type RoleARN struct {
	arn.ARN
	// Name is the role name without its path.
	Name string
}

// ParseRoleARN parses s and checks that it names an IAM role, e.g.
// arn:aws:iam::123456789012:role/dwhRole.
func ParseRoleARN(s string) (RoleARN, error) {
	a, err := arn.Parse(s)
	if err != nil {
		return RoleARN{}, fmt.Errorf("%w: %q: %w", ErrNotRoleARN, s, err)
	}
	if a.Service != "iam" {
		return RoleARN{}, fmt.Errorf("%w: %q belongs to service %q", ErrNotRoleARN, s, a.Service)
	}
	rest, ok := strings.CutPrefix(a.Resource, "role/")
	if !ok || rest == "" {
		return RoleARN{}, fmt.Errorf("%w: %q has resource %q", ErrNotRoleARN, s, a.Resource)
	}

	// Roles may live under a path: role/service-role/dwhRole.
	name := rest[strings.LastIndexByte(rest, '/')+1:]
	if name == "" {
		return RoleARN{}, fmt.Errorf("%w: %q has an empty role name", ErrNotRoleARN, s)
	}
	return RoleARN{ARN: a, Name: name}, nil
}
