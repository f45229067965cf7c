package deid

// Category names a quarantine subdirectory. The directory names are fixed by
// the on-disk contract with downstream tooling and must not be renamed.
type Category string

const (
	CategoryInvalidDICOM        Category = "Invalid_DICOM"
	CategoryDICOMReadError      Category = "DICOM_Read_Error"
	CategoryMissingAttributes   Category = "Missing_Attributes"
	CategoryInvalidStorageClass Category = "Invalid_Storage_Class"
	CategoryCapturePHIError     Category = "Capture_PHI_Error"
	CategoryStorageError        Category = "Storage_Error"
)

// Categories lists every quarantine subdirectory, in creation order.
var Categories = []Category{
	CategoryInvalidDICOM,
	CategoryDICOMReadError,
	CategoryMissingAttributes,
	CategoryInvalidStorageClass,
	CategoryCapturePHIError,
	CategoryStorageError,
}

var kindCategories = map[Kind]Category{
	KindInvalidDICOM:        CategoryInvalidDICOM,
	KindDICOMReadError:      CategoryDICOMReadError,
	KindMissingAttributes:   CategoryMissingAttributes,
	KindInvalidStorageClass: CategoryInvalidStorageClass,
	KindCapturePHIError:     CategoryCapturePHIError,
	KindCapacityExceeded:    CategoryCapturePHIError,
	KindStorageError:        CategoryStorageError,
}

// CategoryFor maps an error to its quarantine category. The second return is
// false for errors that do not divert instances to quarantine
// (ALREADY_PRESENT, network kinds, cancellation).
func CategoryFor(err error) (Category, bool) {
	c, ok := kindCategories[KindOf(err)]
	return c, ok
}
