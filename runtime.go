package testserver

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const javaHomeEnv = "ES_JAVA_HOME"

type javaHomeKind int

const (
	javaHomeSystem javaHomeKind = iota
	javaHomeEnvVar
	javaHomeInherit
	javaHomePath
)

// JavaHome selects the Java runtime the server is started with.
// The zero value lets the Elasticsearch start script choose.
type JavaHome struct {
	kind javaHomeKind
	path string
}

// UseSystemJava lets the Elasticsearch start script determine the JRE.
func UseSystemJava() JavaHome { return JavaHome{kind: javaHomeSystem} }

// UseJavaHomeEnv uses the JRE referenced by JAVA_HOME.
func UseJavaHomeEnv() JavaHome { return JavaHome{kind: javaHomeEnvVar} }

// InheritJava uses the JRE found on this process's PATH.
func InheritJava() JavaHome { return JavaHome{kind: javaHomeInherit} }

// JavaHomePath uses the JRE installed at path.
func JavaHomePath(path string) JavaHome { return JavaHome{kind: javaHomePath, path: path} }

func (j JavaHome) String() string {
	switch j.kind {
	case javaHomeEnvVar:
		return "env:JAVA_HOME"
	case javaHomeInherit:
		return "inherit"
	case javaHomePath:
		return "path:" + j.path
	default:
		return "system"
	}
}

// resolve returns the ES_JAVA_HOME override, if this policy needs one.
func (j JavaHome) resolve() (string, bool, error) {
	switch j.kind {
	case javaHomeEnvVar:
		return os.Getenv("JAVA_HOME"), true, nil
	case javaHomeInherit:
		java, err := exec.LookPath("java")
		if err != nil {
			return "", false, fmt.Errorf("locating java on PATH: %w", err)
		}
		if resolved, err := filepath.EvalSymlinks(java); err == nil {
			java = resolved
		}
		// <home>/bin/java
		return filepath.Dir(filepath.Dir(java)), true, nil
	case javaHomePath:
		return j.path, true, nil
	default:
		return "", false, nil
	}
}

// environ returns base plus the ES_JAVA_HOME override when required.
func (j JavaHome) environ(base []string) ([]string, error) {
	home, ok, err := j.resolve()
	if err != nil {
		return nil, err
	}
	if !ok {
		return base, nil
	}
	return append(base, javaHomeEnv+"="+home), nil
}
