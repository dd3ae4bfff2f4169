package mcap

// libraryVersion is the version string recorded in the Header.Library field when the
// caller does not override it with WriterOptions.OverrideLibrary.
const libraryVersion = "0.1.0"

// Version returns the library identifier written into new files' Header.Library field.
func Version() string {
	return "go-mcap/" + libraryVersion
}
