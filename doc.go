// Package ildecode statically decodes base64 string literals in .NET
// assemblies.
//
// Obfuscated assemblies often hide string constants behind a runtime call
// such as System.Convert::FromBase64String applied to a literal. ildecode
// finds those call sites, decodes the literal ahead of time and rewrites the
// call site to load the plaintext directly.
//
// # Architecture Overview
//
// The repository is organized into several packages with distinct responsibilities:
//
//	ildecode/
//	├── pe/               PE32/PE32+ image: headers, sections, RVA mapping, checksum
//	├── metadata/         ECMA-335 metadata: streams, tables, heaps, signatures
//	├── il/               CIL opcodes, instruction codec, method bodies and EH clauses
//	├── assembly/         Module object model: Load, Methods, ResolveMethod, Write
//	├── deobf/            Target matcher, scanner, base64 decoder, patcher, plan
//	├── config/           TOML configuration and defaults
//	├── errors/           Structured error types for debugging
//	├── internal/binary/  Little-endian reader/writer, compressed integers
//	├── internal/testasm/ Synthetic assemblies for tests
//	└── cmd/ildecode/     Command-line tool
//
// # Quick Start
//
// Decode every literal in an assembly and write the result:
//
//	mod, err := assembly.Load("app.exe")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	res, err := deobf.Run(mod, deobf.Options{})
//	if deobf.IsNoMatch(err) {
//	    return // nothing decoded
//	}
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Println(len(res.Applied), "strings decoded")
//	if err := mod.Write("app_decoded.exe"); err != nil {
//	    log.Fatal(err)
//	}
//
// # Matched Pattern
//
// A call site matches when an ldstr is followed, directly or after one
// ldtoken, by a call or callvirt to a configured target taking one string
// and returning string or byte[]:
//
//	ldstr    "SGVsbG8="
//	call     uint8[] [mscorlib]System.Convert::FromBase64String(string)
//
// becomes
//
//	ldstr    "Hello"
//
// Branches and exception clauses that pointed into the replaced span are
// redirected to the new ldstr. Literals that are not valid base64, or whose
// bytes are not valid text in the configured encoding, are left in place.
//
// # Output Image
//
// Rewritten method bodies are written back into their original slots. New
// strings grow the #US heap, so the metadata block moves to an appended
// section and the CLI header is repointed. Authenticode and strong-name
// signatures no longer verify and are removed.
package ildecode
