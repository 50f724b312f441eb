package content

// preservedOnReset lists the fields a PUT never resets: identity and audit
// trail values survive a full replace regardless of the payload.
var preservedOnReset = map[string]bool{
	FieldNameName:             true,
	FieldNameCreatedBy:        true,
	FieldNameCreationDate:     true,
	FieldNameModifiedBy:       true,
	FieldNameModificationDate: true,
}

// PreservedOnReset reports whether a field survives a full-replace reset.
// The boundary also uses this to drop such keys from a replace payload.
func PreservedOnReset(name string) bool {
	return preservedOnReset[name]
}

// ResetToDefaults gives PUT its full-replace semantics: every mutable field
// not in the preserved set reverts to the type's default value, computed from
// a throwaway new instance of the same type under the same parent. Aspects
// are stripped first and re-attached afterwards so aspect-defined fields
// survive while base fields do not.
func (c *Content) ResetToDefaults() error {
	blank, err := New(c.schema, c.store, c.node.ParentPath, c.ctype.Name, c.node.Name)
	if err != nil {
		return err
	}

	aspects := c.StripAspects()

	// Collect the schema-chain field names so on-the-fly values added outside
	// the schema are dropped by the reset as well.
	schemaFields := make(map[string]*FieldSetting)
	for name := c.ctype.Name; name != ""; {
		ct, ok := c.schema.Type(name)
		if !ok {
			break
		}
		for _, fs := range ct.Fields {
			if _, seen := schemaFields[fs.Name]; !seen {
				schemaFields[fs.Name] = fs
			}
		}
		name = ct.ParentType
	}

	aspectFields := make(map[string]bool)
	for _, aspectName := range aspects {
		if aspect, ok := c.schema.AspectByName(aspectName); ok {
			for _, fs := range aspect.Fields {
				aspectFields[fs.Name] = true
			}
		}
	}

	for name := range c.fields {
		if preservedOnReset[name] || aspectFields[name] {
			continue
		}
		fs, inSchema := schemaFields[name]
		if !inSchema {
			delete(c.fields, name)
			continue
		}
		if fs.ReadOnly {
			continue
		}
		if defaultValue, ok := blank.fields[name]; ok {
			c.fields[name] = defaultValue
		} else {
			delete(c.fields, name)
		}
	}
	// Defaults for fields the instance never carried a value for.
	for name, fs := range schemaFields {
		if preservedOnReset[name] || fs.ReadOnly {
			continue
		}
		if defaultValue, ok := blank.fields[name]; ok {
			if _, present := c.fields[name]; !present {
				c.fields[name] = defaultValue
			}
		}
	}

	for _, aspectName := range aspects {
		if err := c.AttachAspect(aspectName); err != nil {
			return err
		}
	}
	return nil
}
