// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

// DWARF tags.
const (
	DW_TAG_array_type             = 0x01
	DW_TAG_class_type             = 0x02
	DW_TAG_enumeration_type       = 0x04
	DW_TAG_formal_parameter       = 0x05
	DW_TAG_lexical_block          = 0x0b
	DW_TAG_member                 = 0x0d
	DW_TAG_pointer_type           = 0x0f
	DW_TAG_reference_type         = 0x10
	DW_TAG_compile_unit           = 0x11
	DW_TAG_string_type            = 0x12
	DW_TAG_structure_type         = 0x13
	DW_TAG_subroutine_type        = 0x15
	DW_TAG_typedef                = 0x16
	DW_TAG_union_type             = 0x17
	DW_TAG_unspecified_parameters = 0x18
	DW_TAG_inheritance            = 0x1c
	DW_TAG_ptr_to_member_type     = 0x1f
	DW_TAG_set_type               = 0x20
	DW_TAG_subrange_type          = 0x21
	DW_TAG_base_type              = 0x24
	DW_TAG_const_type             = 0x26
	DW_TAG_enumerator             = 0x28
	DW_TAG_file_type              = 0x29
	DW_TAG_packed_type            = 0x2d
	DW_TAG_subprogram             = 0x2e
	DW_TAG_thrown_type            = 0x31
	DW_TAG_variable               = 0x34
	DW_TAG_volatile_type          = 0x35
	DW_TAG_restrict_type          = 0x37
	DW_TAG_interface_type         = 0x38
	DW_TAG_namespace              = 0x39
	DW_TAG_unspecified_type       = 0x3b
	DW_TAG_mutable_type           = 0x3e
	DW_TAG_shared_type            = 0x40
	DW_TAG_rvalue_reference_type  = 0x42
	DW_TAG_inlined_subroutine     = 0x1d
)

// DWARF attributes.
const (
	DW_AT_sibling              = 0x01
	DW_AT_location             = 0x02
	DW_AT_name                 = 0x03
	DW_AT_byte_size            = 0x0b
	DW_AT_stmt_list            = 0x10
	DW_AT_low_pc               = 0x11
	DW_AT_high_pc              = 0x12
	DW_AT_language             = 0x13
	DW_AT_comp_dir             = 0x1b
	DW_AT_const_value          = 0x1c
	DW_AT_containing_type      = 0x1d
	DW_AT_inline               = 0x20
	DW_AT_lower_bound          = 0x22
	DW_AT_upper_bound          = 0x2f
	DW_AT_count                = 0x37
	DW_AT_data_member_location = 0x38
	DW_AT_encoding             = 0x3e
	DW_AT_external             = 0x3f
	DW_AT_frame_base           = 0x40
	DW_AT_specification        = 0x47
	DW_AT_type                 = 0x49
	DW_AT_ranges               = 0x55
	DW_AT_linkage_name         = 0x6e
	DW_AT_MIPS_linkage_name    = 0x2007
)

// DWARF attribute forms.
const (
	DW_FORM_addr           = 0x01
	DW_FORM_block2         = 0x03
	DW_FORM_block4         = 0x04
	DW_FORM_data2          = 0x05
	DW_FORM_data4          = 0x06
	DW_FORM_data8          = 0x07
	DW_FORM_string         = 0x08
	DW_FORM_block          = 0x09
	DW_FORM_block1         = 0x0a
	DW_FORM_data1          = 0x0b
	DW_FORM_flag           = 0x0c
	DW_FORM_sdata          = 0x0d
	DW_FORM_strp           = 0x0e
	DW_FORM_udata          = 0x0f
	DW_FORM_ref_addr       = 0x10
	DW_FORM_ref1           = 0x11
	DW_FORM_ref2           = 0x12
	DW_FORM_ref4           = 0x13
	DW_FORM_ref8           = 0x14
	DW_FORM_ref_udata      = 0x15
	DW_FORM_indirect       = 0x16
	DW_FORM_sec_offset     = 0x17
	DW_FORM_exprloc        = 0x18
	DW_FORM_flag_present   = 0x19
	DW_FORM_data16         = 0x1e
	DW_FORM_line_strp      = 0x1f
	DW_FORM_ref_sig8       = 0x20
	DW_FORM_implicit_const = 0x21
)

// DWARF base type encodings.
const (
	DW_ATE_address         = 0x01
	DW_ATE_boolean         = 0x02
	DW_ATE_complex_float   = 0x03
	DW_ATE_float           = 0x04
	DW_ATE_signed          = 0x05
	DW_ATE_signed_char     = 0x06
	DW_ATE_unsigned        = 0x07
	DW_ATE_unsigned_char   = 0x08
	DW_ATE_imaginary_float = 0x09
)

// DWARF expression opcodes.
const (
	DW_OP_addr                = 0x03
	DW_OP_deref               = 0x06
	DW_OP_const1u             = 0x08
	DW_OP_const1s             = 0x09
	DW_OP_const2u             = 0x0a
	DW_OP_const2s             = 0x0b
	DW_OP_const4u             = 0x0c
	DW_OP_const4s             = 0x0d
	DW_OP_const8u             = 0x0e
	DW_OP_const8s             = 0x0f
	DW_OP_constu              = 0x10
	DW_OP_consts              = 0x11
	DW_OP_dup                 = 0x12
	DW_OP_drop                = 0x13
	DW_OP_over                = 0x14
	DW_OP_pick                = 0x15
	DW_OP_swap                = 0x16
	DW_OP_rot                 = 0x17
	DW_OP_abs                 = 0x19
	DW_OP_and                 = 0x1a
	DW_OP_div                 = 0x1b
	DW_OP_minus               = 0x1c
	DW_OP_mod                 = 0x1d
	DW_OP_mul                 = 0x1e
	DW_OP_neg                 = 0x1f
	DW_OP_not                 = 0x20
	DW_OP_or                  = 0x21
	DW_OP_plus                = 0x22
	DW_OP_plus_uconst         = 0x23
	DW_OP_shl                 = 0x24
	DW_OP_shr                 = 0x25
	DW_OP_shra                = 0x26
	DW_OP_xor                 = 0x27
	DW_OP_bra                 = 0x28
	DW_OP_eq                  = 0x29
	DW_OP_ge                  = 0x2a
	DW_OP_gt                  = 0x2b
	DW_OP_le                  = 0x2c
	DW_OP_lt                  = 0x2d
	DW_OP_ne                  = 0x2e
	DW_OP_skip                = 0x2f
	DW_OP_lit0                = 0x30
	DW_OP_lit23               = 0x47
	DW_OP_lit31               = 0x4f
	DW_OP_reg0                = 0x50
	DW_OP_reg31               = 0x6f
	DW_OP_breg0               = 0x70
	DW_OP_breg5               = 0x75
	DW_OP_breg6               = 0x76
	DW_OP_breg31              = 0x8f
	DW_OP_regx                = 0x90
	DW_OP_fbreg               = 0x91
	DW_OP_bregx               = 0x92
	DW_OP_piece               = 0x93
	DW_OP_deref_size          = 0x94
	DW_OP_xderef_size         = 0x95
	DW_OP_nop                 = 0x96
	DW_OP_push_object_address = 0x97
	DW_OP_call2               = 0x98
	DW_OP_call4               = 0x99
	DW_OP_call_ref            = 0x9a
	DW_OP_form_tls_address    = 0x9b
	DW_OP_call_frame_cfa      = 0x9c
	DW_OP_bit_piece           = 0x9d
	DW_OP_implicit_value      = 0x9e
	DW_OP_stack_value         = 0x9f
)

// DWARF line program standard opcodes.
const (
	DW_LNS_copy               = 1
	DW_LNS_advance_pc         = 2
	DW_LNS_advance_line       = 3
	DW_LNS_set_file           = 4
	DW_LNS_set_column         = 5
	DW_LNS_negate_stmt        = 6
	DW_LNS_set_basic_block    = 7
	DW_LNS_const_add_pc       = 8
	DW_LNS_fixed_advance_pc   = 9
	DW_LNS_set_prologue_end   = 10
	DW_LNS_set_epilogue_begin = 11
	DW_LNS_set_isa            = 12
)

// DWARF line program extended opcodes.
const (
	DW_LNE_end_sequence      = 1
	DW_LNE_set_address       = 2
	DW_LNE_define_file       = 3
	DW_LNE_set_discriminator = 4
)

// DWARF 5 line header entry content types.
const (
	DW_LNCT_path            = 1
	DW_LNCT_directory_index = 2
	DW_LNCT_timestamp       = 3
	DW_LNCT_size            = 4
	DW_LNCT_MD5             = 5
)
