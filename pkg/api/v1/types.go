package v1

import metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

type PackageType string

const (
	PackageDebian PackageType = "Debian"
)

const (
	DefaultMirror        = "http://ftp.debian.org/debian"
	DefaultArchitecture  = "amd64"
	DefaultIndexTemplate = "${MIRROR}/dists/${CODENAME}/${COMPONENT}/binary-${ARCH}/${INDEX}"
	DefaultMergePolicy   = "last"
	DefaultWorkers       = 4
	DefaultRetries       = 2

	// ComponentsAuto tells the fetcher to read the component
	// list from the distribution's Release file.
	ComponentsAuto = "auto"
)

var (
	DefaultComponents = []string{"main", "contrib", "non-free", "non-free-firmware"}
	DefaultIndexFiles = []string{"Packages.gz", "Packages.xz"}
)

type MirrorSpec struct {
	Mirror        string   `json:"mirror,omitempty"`
	Architecture  string   `json:"architecture,omitempty"`
	Components    []string `json:"components,omitempty"`
	IndexTemplate string   `json:"indexTemplate,omitempty"`
	IndexFiles    []string `json:"indexFiles,omitempty"`
	MergePolicy   string   `json:"mergePolicy,omitempty"`
	Workers       int      `json:"workers,omitempty"`
	Retries       int      `json:"retries,omitempty"`
}

type Config struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec MirrorSpec `json:"spec"`
}
