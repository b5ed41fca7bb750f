package domain

// Provider identifies an external cloud-storage provider.
type Provider string

const (
	ProviderGoogleDrive Provider = "google_drive"
	ProviderDropbox     Provider = "dropbox"
	ProviderOneDrive    Provider = "onedrive"
)

// ProviderDisplayNames maps provider IDs to user-facing names used in
// notification and failure messages.
var ProviderDisplayNames = map[Provider]string{
	ProviderGoogleDrive: "Google Drive",
	ProviderDropbox:     "Dropbox",
	ProviderOneDrive:    "OneDrive",
}

// DisplayName returns the user-facing provider name, falling back to the raw
// identifier for providers registered at runtime.
func (p Provider) DisplayName() string {
	if name, ok := ProviderDisplayNames[p]; ok {
		return name
	}
	return string(p)
}
