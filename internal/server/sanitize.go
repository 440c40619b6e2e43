// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"fmt"
	"path/filepath"
	"strings"
)

// maxFilenameLength é o comprimento máximo permitido para o campo filename
// do handshake.
const maxFilenameLength = 255

// validateFilename valida que o filename recebido no handshake (spec.md §3)
// é seguro para uso como componente de caminho sob output_dir. Previne path
// traversal vindo de um client não confiável.
func validateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("filename cannot be empty")
	}

	if len(name) > maxFilenameLength {
		return fmt.Errorf("filename exceeds max length %d", maxFilenameLength)
	}

	// Rejeita separadores de path
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("filename contains path separator")
	}

	// Rejeita NUL byte
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("filename contains null byte")
	}

	// Rejeita path traversal
	if name == "." || name == ".." || strings.HasPrefix(name, "..") {
		return fmt.Errorf("filename contains path traversal")
	}

	// Rejeita nomes que começam com ponto (hidden files/dirs)
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("filename starts with dot")
	}

	return nil
}

// validatePathInBaseDir verifica que o caminho resolvido permanece dentro de
// baseDir. A comparação é só léxica (filepath.Abs não segue symlinks), e o
// fluxo de conexão do server não a chama; apenas os testes a exercitam.
func validatePathInBaseDir(baseDir, resolvedPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolving base dir: %w", err)
	}
	absResolved, err := filepath.Abs(resolvedPath)
	if err != nil {
		return fmt.Errorf("resolving target path: %w", err)
	}

	rel, err := filepath.Rel(absBase, absResolved)
	if err != nil {
		return fmt.Errorf("path escapes base directory: %w", err)
	}

	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes base directory %q", resolvedPath, baseDir)
	}

	return nil
}
