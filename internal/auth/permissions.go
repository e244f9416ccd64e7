package auth

import (
	"fmt"
	"slices"
	"strings"
)

// Permission is a capability key. The set is closed: keys outside it are
// rejected by ParsePermission and never granted by the catalog.
type Permission string

const (
	PermViewCompanies       Permission = "view_companies"
	PermManageCompanies     Permission = "manage_companies"
	PermViewDistricts       Permission = "view_districts"
	PermManageDistricts     Permission = "manage_districts"
	PermViewVehicles        Permission = "view_vehicles"
	PermManageVehicles      Permission = "manage_vehicles"
	PermViewEmployees       Permission = "view_employees"
	PermManageEmployees     Permission = "manage_employees"
	PermViewTripSheets      Permission = "view_trip_sheets"
	PermEditTripSheets      Permission = "edit_trip_sheets"
	PermSubmitTripSheets    Permission = "submit_trip_sheets"
	PermApproveTripSheets   Permission = "approve_trip_sheets"
	PermViewWorkStatuses    Permission = "view_work_statuses"
	PermEditWorkStatuses    Permission = "edit_work_statuses"
	PermConfirmWorkStatuses Permission = "confirm_work_statuses"
	PermManageReasons       Permission = "manage_reasons"
	PermViewReports         Permission = "view_reports"
	PermExportData          Permission = "export_data"
	PermManageUsers         Permission = "manage_users"
	PermManageRoles         Permission = "manage_roles"
	PermViewAuditLog        Permission = "view_audit_log"
)

var knownPermissions = map[Permission]string{
	PermViewCompanies:       "View companies",
	PermManageCompanies:     "Create, edit and deactivate companies",
	PermViewDistricts:       "View districts",
	PermManageDistricts:     "Create, edit and deactivate districts",
	PermViewVehicles:        "View vehicles",
	PermManageVehicles:      "Create, edit and deactivate vehicles",
	PermViewEmployees:       "View employees",
	PermManageEmployees:     "Create, edit and deactivate employees",
	PermViewTripSheets:      "View trip sheets",
	PermEditTripSheets:      "Create and edit draft trip sheets",
	PermSubmitTripSheets:    "Submit trip sheets for approval",
	PermApproveTripSheets:   "Approve or reject submitted trip sheets",
	PermViewWorkStatuses:    "View vehicle work statuses",
	PermEditWorkStatuses:    "Create and edit vehicle work statuses",
	PermConfirmWorkStatuses: "Confirm or reject vehicle work statuses",
	PermManageReasons:       "Maintain the work status reason catalog",
	PermViewReports:         "View reports",
	PermExportData:          "Export data",
	PermManageUsers:         "Create and deactivate users, edit their grants",
	PermManageRoles:         "Edit tenant custom role permissions",
	PermViewAuditLog:        "Read the audit log",
}

// Valid reports whether p belongs to the closed permission set.
func (p Permission) Valid() bool {
	_, ok := knownPermissions[p]
	return ok
}

// Description returns a human readable label for the permission.
func (p Permission) Description() string { return knownPermissions[p] }

// ParsePermission validates a raw key.
func ParsePermission(raw string) (Permission, error) {
	p := Permission(strings.TrimSpace(raw))
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, raw)
	}
	return p, nil
}

// AllPermissions lists the closed permission set in stable order.
func AllPermissions() []Permission {
	out := make([]Permission, 0, len(knownPermissions))
	for p := range knownPermissions {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// PermissionSet maps a permission to an explicit grant (true) or an explicit
// denial (false). A missing key means "not specified".
type PermissionSet map[Permission]bool

// ParsePermissionSet validates every key of a loosely typed map.
func ParsePermissionSet(raw map[string]bool) (PermissionSet, error) {
	out := make(PermissionSet, len(raw))
	for k, v := range raw {
		p, err := ParsePermission(k)
		if err != nil {
			return nil, err
		}
		out[p] = v
	}
	return out, nil
}

// Clone returns an independent copy.
func (s PermissionSet) Clone() PermissionSet {
	if s == nil {
		return nil
	}
	out := make(PermissionSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Granted lists keys explicitly set to true, sorted.
func (s PermissionSet) Granted() []Permission {
	var out []Permission
	for k, v := range s {
		if v {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

func grant(perms ...Permission) PermissionSet {
	out := make(PermissionSet, len(perms))
	for _, p := range perms {
		out[p] = true
	}
	return out
}

// BuiltinPermissions is the static role table. super_admin is absent because it
// bypasses every check.
var BuiltinPermissions = map[Role]PermissionSet{
	RoleCompanyAdmin: grant(
		PermViewCompanies, PermViewDistricts, PermManageDistricts,
		PermViewVehicles, PermManageVehicles, PermViewEmployees, PermManageEmployees,
		PermViewTripSheets, PermEditTripSheets, PermSubmitTripSheets, PermApproveTripSheets,
		PermViewWorkStatuses, PermEditWorkStatuses, PermConfirmWorkStatuses,
		PermViewReports, PermExportData, PermManageUsers, PermViewAuditLog,
	),
	RoleCompanyDirector: grant(
		PermViewCompanies, PermViewDistricts, PermViewVehicles, PermViewEmployees,
		PermViewTripSheets, PermViewWorkStatuses, PermViewReports, PermExportData,
	),
	RoleCompanyAccountant: grant(
		PermViewCompanies, PermViewDistricts, PermViewVehicles,
		PermViewTripSheets, PermViewWorkStatuses, PermViewReports, PermExportData,
	),
	RoleDistrictManager: grant(
		PermViewDistricts, PermViewVehicles, PermViewEmployees, PermManageEmployees,
		PermViewTripSheets, PermEditTripSheets, PermSubmitTripSheets,
		PermViewWorkStatuses, PermEditWorkStatuses, PermViewReports,
	),
	RoleDistrictAccountant: grant(
		PermViewDistricts, PermViewVehicles,
		PermViewTripSheets, PermViewWorkStatuses, PermViewReports, PermExportData,
	),
	RoleOperator: grant(
		PermViewVehicles, PermViewTripSheets, PermEditTripSheets, PermSubmitTripSheets,
		PermViewWorkStatuses, PermEditWorkStatuses,
	),
	RoleDistrictOperator: grant(
		PermViewVehicles, PermViewTripSheets, PermEditTripSheets, PermSubmitTripSheets,
		PermViewWorkStatuses, PermEditWorkStatuses,
	),
	RoleDriver: grant(
		PermViewTripSheets, PermViewWorkStatuses,
	),
}
